// hdcpctl -- CLI client for the gohdcp daemon.
package main

import "github.com/dantte-lp/gohdcp/cmd/hdcpctl/commands"

func main() {
	commands.Execute()
}
