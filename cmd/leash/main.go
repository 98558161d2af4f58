package main

import "github.com/leashdev/leash/internal/cli"

func main() {
	cli.Execute()
}
