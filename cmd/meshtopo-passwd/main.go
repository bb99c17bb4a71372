// Meshtopo-passwd hashes a broker password for the configuration file. It
// prints the password_hash and salt lines for a broker users entry, so
// plaintext passwords never need to live in the config.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/wpamesh/meshtopo/pkg/auth"
)

func main() {
	username := flag.String("username", "", "Username to include in the printed users entry")
	generate := flag.Int("generate", 0, "Generate a random password of this many bytes instead of reading one")
	flag.Parse()

	password := flag.Arg(0)
	switch {
	case *generate > 0:
		var err error
		password, err = auth.RandomHex(*generate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error generating password: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Password: %s\n", password)
	case password == "":
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading password: %v\n", err)
			os.Exit(1)
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "error: password must not be empty")
		os.Exit(1)
	}

	hash, salt := auth.GenerateHashAndSalt(password)

	fmt.Println("Add to the broker users block:")
	fmt.Println()
	if *username != "" {
		fmt.Printf("    - username: %s\n", *username)
	} else {
		fmt.Printf("    - username: <username>\n")
	}
	fmt.Printf("      password_hash: %s\n", hash)
	fmt.Printf("      salt: %s\n", salt)
}
