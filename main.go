// The main package for the hashtag-importer executable.
package main

import (
	"github.com/tagpipe/hashtag-importer/cmd"
)

func main() {
	cmd.Execute()
}
