package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

type credentials struct {
	username string
	password string
}

// promptCredentials asks for whatever is missing. The password is read
// without echo when stdin is a terminal.
func promptCredentials(stdin io.Reader, prompt io.Writer, username, password string) (credentials, error) {
	reader := bufio.NewReader(stdin)

	if username == "" {
		_, _ = fmt.Fprint(prompt, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return credentials{}, errors.Wrap(err, "failed to read username")
		}
		username = strings.TrimSpace(line)
		if username == "" {
			return credentials{}, errors.New("username is required")
		}
	}

	if password == "" {
		_, _ = fmt.Fprint(prompt, "Password: ")

		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			bytePassword, err := term.ReadPassword(int(f.Fd()))
			_, _ = fmt.Fprintln(prompt)
			if err != nil {
				return credentials{}, errors.Wrap(err, "failed to read password")
			}
			password = string(bytePassword)
		} else {
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return credentials{}, errors.Wrap(err, "failed to read password")
			}
			password = strings.TrimRight(line, "\r\n")
		}
	}

	return credentials{username: username, password: password}, nil
}
