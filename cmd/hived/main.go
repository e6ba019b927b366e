package main

import "github.com/hiveroute/hived/internal/cli"

func main() {
	cli.Execute()
}
