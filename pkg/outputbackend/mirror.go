package outputbackend

import "context"

// Mirroring multiplexes writes to two backends at once — in practice a
// Capturing backend (for the action cache) and a Disk backend (so a
// cache-miss run streams outputs live) — per spec §4.4's mirroring
// combinator.
type Mirroring struct {
	primary   Backend
	secondary Backend
}

// NewMirroring ties primary and secondary together. Keep/Discard are
// driven on both; primary's error (if any) is returned, but secondary is
// always given the chance to run.
func NewMirroring(primary, secondary Backend) *Mirroring {
	return &Mirroring{primary: primary, secondary: secondary}
}

func (m *Mirroring) CreateFile(path string) (OutputFile, error) {
	return m.createFile(path, "")
}

// kindCreator is implemented by backends (Capturing) that can store a
// symbolic kind name instead of a concrete path.
type kindCreator interface {
	CreateKindFile(path, kindName string) (OutputFile, error)
}

// CreateKindFile is CreateFile but, when the primary backend supports
// naming by symbolic kind (as Capturing does), records kindName there
// while the secondary backend still writes to the concrete path.
func (m *Mirroring) CreateKindFile(path, kindName string) (OutputFile, error) {
	return m.createFile(path, kindName)
}

func (m *Mirroring) createFile(path, kindName string) (OutputFile, error) {
	var primaryFile OutputFile
	var err error
	if kc, ok := m.primary.(kindCreator); ok && kindName != "" {
		primaryFile, err = kc.CreateKindFile(path, kindName)
	} else {
		primaryFile, err = m.primary.CreateFile(path)
	}
	if err != nil {
		return nil, err
	}
	secondaryFile, err := m.secondary.CreateFile(path)
	if err != nil {
		primaryFile.Discard()
		return nil, err
	}
	return &mirroringFile{primary: primaryFile, secondary: secondaryFile}, nil
}

type mirroringFile struct {
	primary   OutputFile
	secondary OutputFile
}

func (f *mirroringFile) Write(p []byte) (int, error) {
	n, err := f.primary.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := f.secondary.Write(p); err != nil {
		return n, err
	}
	return n, nil
}

func (f *mirroringFile) Keep(ctx context.Context) error {
	primaryErr := f.primary.Keep(ctx)
	secondaryErr := f.secondary.Keep(ctx)
	if primaryErr != nil {
		return primaryErr
	}
	return secondaryErr
}

func (f *mirroringFile) Discard() {
	f.primary.Discard()
	f.secondary.Discard()
}
