package main

import "github.com/sealpdf/sealpdf/cli"

func main() {
	cli.Execute()
}
