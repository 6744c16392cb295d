package main

import (
	"os"

	"github.com/auditpipe/auditpipe/cmd"
)

func main() {
	code := cmd.Execute()
	os.Exit(code)
}
