package main

import (
	"github.com/okieraised/go-anchor-target/cmd/anchortarget/cmd"
)

func main() {
	cmd.Execute()
}
