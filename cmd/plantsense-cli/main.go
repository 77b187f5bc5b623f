package main

import "plantsense/internal/cli"

func main() {
	cli.Execute()
}
