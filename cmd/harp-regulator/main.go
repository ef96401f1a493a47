package main

import "github.com/harp-tech/harp-regulator/cmd/harp-regulator/cmd"

func main() {
	cmd.Execute()
}
