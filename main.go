// The main package for the review-scraper executable.
package main

import (
	"github.com/JakeFAU/review-scrape-orchestrator/cmd"
)

func main() {
	cmd.Execute()
}
