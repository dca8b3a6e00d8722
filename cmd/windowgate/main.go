package main

import "windowgate/internal/cli"

func main() {
	cli.Execute()
}
