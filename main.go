// Package main is the rendler executable: the scheduler and, under "rendler executor",
// the crawl and render executors it launches.
package main

import (
	"github.com/Veterun/RENDLER/cmd"
)

func main() {
	cmd.Execute()
}
