package main

import "github.com/andresmejia3/sentinel-fog/cmd"

func main() {
	cmd.Execute()
}
