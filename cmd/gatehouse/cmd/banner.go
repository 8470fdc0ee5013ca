package cmd

import (
	"fmt"
)

const banner = `
   ____       _       _
  / ___| __ _| |_ ___| |__   ___  _   _ ___  ___
 | |  _ / _` + "`" + ` | __/ _ \ '_ \ / _ \| | | / __|/ _ \
 | |_| | (_| | ||  __/ | | | (_) | |_| \__ \  __/
  \____|\__,_|\__\___|_| |_|\___/ \__,_|___/\___|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Credential & Session Service - Version %s\x1b[0m\n\n", Version)
}
