package main

import "github.com/campusbite/ordersync/internal/cli"

func main() {
	cli.Execute()
}
