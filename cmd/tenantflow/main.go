// Command tenantflow runs the multi-tenant agent orchestration gateway.
package main

import "github.com/nextlevelbuilder/tenantflow/cmd"

func main() {
	cmd.Execute()
}
