package main

import "github.com/frahmantamala/expert-payments/cmd"

func main() {
	cmd.Execute()
}
