/*
Copyright © 2026 madny2024
*/

package main

import (
	"log"

	"github.com/spf13/cobra"
)

const (
	releaseVersion = "3.0.1"
)

func main() {
	log.SetFlags(0)
	cfg := &Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}
