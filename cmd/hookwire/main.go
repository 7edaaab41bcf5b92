package main

import "github.com/basket/hookwire/internal/cli"

func main() {
	cli.Execute()
}
