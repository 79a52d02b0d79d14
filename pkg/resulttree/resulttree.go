// Package resulttree builds and reads the hierarchical {outputs, stderr}
// CAS object a compile-job run stores into the action cache: a root
// object whose two refs name an "outputs" object (an interleaved list of
// [name, bytes, name, bytes, ...] refs) and a "stderr" object (the
// captured textual/serialized diagnostics).
package resulttree

import (
	"context"

	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/caserr"
)

// Symbolic kind names substituted for a concrete path at replay time when
// the invocation did not name a literal output path for that slot.
const (
	KindOutput      = "<output>"
	KindSerialDiags = "<serial-diags>"
	KindDependency  = "<dependencies>"
)

// Output is one named entry of the outputs list: name is either a
// literal filesystem path captured at finalize time, or one of the
// symbolic kind constants above, resolved against the invocation at
// replay time.
type Output struct {
	Name  string
	Bytes []byte
}

// Build stores outputs and stderr as CAS objects and assembles the
// {outputs, stderr} root, returning a ref to it.
func Build(ctx context.Context, store cas.Store, outputs []Output, stderr []byte) (cas.ObjectRef, error) {
	outputRefs := make([]cas.ObjectRef, 0, len(outputs)*2)
	for _, o := range outputs {
		nameRef, err := store.Store(ctx, nil, []byte(o.Name))
		if err != nil {
			return cas.ObjectRef{}, err
		}
		bytesRef, err := store.Store(ctx, nil, o.Bytes)
		if err != nil {
			return cas.ObjectRef{}, err
		}
		outputRefs = append(outputRefs, nameRef, bytesRef)
	}

	outputsRef, err := store.Store(ctx, outputRefs, nil)
	if err != nil {
		return cas.ObjectRef{}, err
	}

	stderrRef, err := store.Store(ctx, nil, stderr)
	if err != nil {
		return cas.ObjectRef{}, err
	}

	return store.Store(ctx, []cas.ObjectRef{outputsRef, stderrRef}, nil)
}

// ResultTree is an opened {outputs, stderr} object.
type ResultTree struct {
	store      cas.Store
	outputsRef cas.ObjectRef
	stderrRef  cas.ObjectRef
}

// Open loads the root object at ref and validates its shape.
func Open(ctx context.Context, store cas.Store, ref cas.ObjectRef) (*ResultTree, error) {
	root, err := store.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if root.NumRefs() != 2 {
		return nil, caserr.Corruption("resulttree: root has %d refs, want 2 (outputs, stderr)", root.NumRefs())
	}
	return &ResultTree{store: store, outputsRef: root.ReadRef(0), stderrRef: root.ReadRef(1)}, nil
}

// Stderr returns the captured diagnostics bytes.
func (rt *ResultTree) Stderr(ctx context.Context) ([]byte, error) {
	h, err := rt.store.Load(ctx, rt.stderrRef)
	if err != nil {
		return nil, err
	}
	return h.Data, nil
}

// Outputs loads and returns the full outputs list in order.
func (rt *ResultTree) Outputs(ctx context.Context) ([]Output, error) {
	outputsObj, err := rt.store.Load(ctx, rt.outputsRef)
	if err != nil {
		return nil, err
	}
	if outputsObj.NumRefs()%2 != 0 {
		return nil, caserr.Corruption("resulttree: outputs has %d refs, want an even interleaved [name, bytes, ...] sequence", outputsObj.NumRefs())
	}

	out := make([]Output, 0, outputsObj.NumRefs()/2)
	for i := 0; i < outputsObj.NumRefs(); i += 2 {
		nameObj, err := rt.store.Load(ctx, outputsObj.ReadRef(i))
		if err != nil {
			return nil, err
		}
		bytesObj, err := rt.store.Load(ctx, outputsObj.ReadRef(i+1))
		if err != nil {
			return nil, err
		}
		out = append(out, Output{Name: string(nameObj.Data), Bytes: bytesObj.Data})
	}
	return out, nil
}
