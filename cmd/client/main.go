// Command client is a terminal chat client for the line protocol.
//
// It connects, optionally registers, logs in, and then relays stdin lines
// as broadcast messages. Slash commands cover the rest of the protocol:
//
//	/msg <email> <text>   send a direct message
//	/users                request the online roster
//	/history [n]          request recent broadcast history
//	/files                list files shared with you
//	/quit                 log out and exit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
	"github.com/NicolasHaas/chatline/pkg/version"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8081", "server address")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	username := flag.String("username", "", "display name (used with -register)")
	register := flag.Bool("register", false, "register the account before logging in")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("chatline-client", version.Full())
		return
	}
	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: -email and -password are required")
		os.Exit(2)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	if *register {
		content, err := protocol.ObjectContent(map[string]string{
			"email": *email, "password": *password, "username": *username,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode registration: %v\n", err)
			os.Exit(1)
		}
		send(conn, &protocol.Envelope{Type: protocol.TypeRegister, Content: content})
	}

	login, err := protocol.ObjectContent(map[string]string{
		"email": *email, "password": *password,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode login: %v\n", err)
		os.Exit(1)
	}
	send(conn, &protocol.Envelope{Type: protocol.TypeLogin, Content: login})

	// Server-to-terminal pump; exits the process when the server goes away.
	go func() {
		lr := protocol.NewLineReader(conn)
		for {
			env, err := lr.ReadEnvelope()
			if err != nil {
				if err != io.EOF {
					fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
				}
				os.Exit(0)
			}
			display(env)
		}
	}()

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			send(conn, &protocol.Envelope{
				Type:    protocol.TypeMessage,
				Content: protocol.StringContent(line),
			})
			continue
		}

		cmd, rest, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "msg":
			to, text, ok := strings.Cut(rest, " ")
			if !ok || text == "" {
				fmt.Println("usage: /msg <email> <text>")
				continue
			}
			send(conn, &protocol.Envelope{
				Type:     protocol.TypePrivateMessage,
				Receiver: to,
				Content:  protocol.StringContent(text),
			})
		case "users":
			send(conn, &protocol.Envelope{Type: protocol.TypeGetUsers})
		case "history":
			env := &protocol.Envelope{Type: protocol.TypeGetHistory}
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && n > 0 {
				env.Content, _ = protocol.ObjectContent(n)
			}
			send(conn, env)
		case "files":
			send(conn, &protocol.Envelope{Type: protocol.TypeGetFiles})
		case "quit":
			send(conn, &protocol.Envelope{Type: protocol.TypeLogout})
			return
		default:
			fmt.Printf("unknown command: /%s\n", cmd)
		}
	}
}

func send(conn net.Conn, env *protocol.Envelope) {
	if err := protocol.WriteEnvelope(conn, env); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		os.Exit(1)
	}
}

// display renders one server envelope as a terminal line.
func display(env *protocol.Envelope) {
	stamp := time.Now().Format("15:04:05")
	if env.Timestamp > 0 {
		stamp = time.UnixMilli(env.Timestamp).Format("15:04:05")
	}

	switch env.Type {
	case protocol.TypeMessage:
		body, _ := env.Content.AsString()
		fmt.Printf("[%s] %s: %s\n", stamp, env.Username, body)

	case protocol.TypePrivateMessage:
		body, _ := env.Content.AsString()
		fmt.Printf("[%s] %s -> %s (private): %s\n", stamp, env.Username, env.Receiver, body)

	case protocol.TypeHistory:
		var entries []protocol.Envelope
		if err := env.Content.Decode(&entries); err != nil {
			return
		}
		for i := range entries {
			display(&entries[i])
		}

	case protocol.TypeUserList:
		var users []model.User
		if err := env.Content.Decode(&users); err != nil {
			return
		}
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.Username)
		}
		fmt.Printf("[%s] online: %s\n", stamp, strings.Join(names, ", "))

	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		body, _ := env.Content.AsString()
		fmt.Printf("[%s] * %s\n", stamp, body)

	case protocol.TypeTyping:
		fmt.Printf("[%s] * %s is typing...\n", stamp, env.Username)

	case protocol.TypeLoginResponse, protocol.TypeRegisterResponse:
		var resp struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}
		if err := env.Content.Decode(&resp); err != nil {
			return
		}
		fmt.Printf("[%s] %s\n", stamp, resp.Message)
		if env.Type == protocol.TypeLoginResponse && !resp.Success {
			os.Exit(1)
		}

	case protocol.TypeFilesList:
		var entries []struct {
			Filename string `json:"filename"`
			Sender   string `json:"sender"`
		}
		if err := env.Content.Decode(&entries); err != nil {
			return
		}
		for _, e := range entries {
			fmt.Printf("[%s] file: %s (from %s)\n", stamp, e.Filename, e.Sender)
		}

	case protocol.TypeFile:
		var payload protocol.FilePayload
		if err := env.Content.Decode(&payload); err != nil {
			return
		}
		fmt.Printf("[%s] %s shared file: %s\n", stamp, env.Username, payload.Filename)

	case protocol.TypeError:
		body, _ := env.Content.AsString()
		fmt.Printf("[%s] error: %s\n", stamp, body)

	default:
		fmt.Printf("[%s] %s: %s\n", stamp, env.Type, string(env.Content))
	}
}
