// The main package for the facilitycrawler executable.
package main

import (
	"github.com/JakeFAU/facility-crawler/cmd"
)

func main() {
	cmd.Execute()
}
