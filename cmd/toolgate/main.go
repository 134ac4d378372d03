// Command toolgate runs the MCP tool-access gateway: the edge listener
// agents talk to, the control-plane listener admins use to manage policy
// and governance, and the background bundle-builder/GC loops that keep
// them fed.
package main

import "github.com/toolgate/gateway/cmd/toolgate/cmd"

func main() {
	cmd.Execute()
}
