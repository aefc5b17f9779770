package main

import "saleguard/internal/cli"

func main() {
	cli.Execute()
}
