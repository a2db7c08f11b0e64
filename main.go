// File: main.go
package main

import (
	"github.com/mirovane/lookalike/cmd"
)

func main() {
	cmd.Execute()
}
