// The main package for the assistsync executable.
package main

import "github.com/fieldworks/assistsync/cmd"

func main() {
	cmd.Execute()
}
