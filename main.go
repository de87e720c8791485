// The main package for the marketcrawler executable.
package main

import (
	"github.com/JakeFAU/market-price-crawler/cmd"
)

func main() {
	cmd.Execute()
}
