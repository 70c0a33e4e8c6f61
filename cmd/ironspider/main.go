package main

import "github.com/hojune02/ironspider-extension/internal/cli"

func main() {
	cli.Execute()
}
