package main

import "waterbender/cmd/waterbender/cli"

func main() {
	cli.Execute()
}
