/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "fathom/cmd"

func main() {
	cmd.Execute()
}
