// The main package for the mtagent executable.
package main

import (
	"github.com/mani1728/Mani-FAI-Client/cmd"
)

func main() {
	cmd.Execute()
}
