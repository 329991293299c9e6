package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/roomwatch/occupancy/auth"
	"github.com/roomwatch/occupancy/state"
)

const (
	// Required fields
	EnvDB = "OCCUPANCY_DB"
	// Read instead of prompting when set
	EnvPassword = "OCCUPANCY_USERADD_PASSWORD"
)

var flagUsername = flag.String("username", "", "Name of the user to create")

// Creates a dashboard user. The password is read from OCCUPANCY_USERADD_PASSWORD, or
// otherwise from the first line of stdin.
func main() {
	flag.Parse()
	if *flagUsername == "" {
		flag.Usage()
		os.Exit(1)
	}
	dbURI := os.Getenv(EnvDB)
	if dbURI == "" {
		fmt.Fprintf(os.Stderr, "%s must be set\n", EnvDB)
		os.Exit(1)
	}
	password := os.Getenv(EnvPassword)
	if password == "" {
		fmt.Fprintf(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			panic(err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		panic(err)
	}

	store, err := state.NewStorage(dbURI, false)
	if err != nil {
		panic(err)
	}
	defer store.Teardown()
	user, err := store.CreateUser(context.Background(), *flagUsername, hash)
	if err != nil {
		panic(err)
	}
	fmt.Printf("created user %s (%s)\n", user.Username, user.ID)
}
