package main

import "github.com/coderelay/coderelay/internal/cmd"

func main() {
	cmd.Execute()
}
