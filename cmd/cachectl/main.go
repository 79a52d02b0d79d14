package main

import (
	"github.com/oneconcern/compilecache/cmd/cachectl/cmd"
)

func main() {
	cmd.Execute()
}
