package main

import "reposter/cli"

func main() {
	cli.Execute()
}
