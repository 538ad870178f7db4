package main

import "github.com/kozaktomas/ppe-monitor/cmd"

func main() {
	cmd.Execute()
}
