package main

import (
	"github.com/delegate-collector/cmd/agent"
)

func main() {
	agent.Execute()
}
