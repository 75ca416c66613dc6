package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "mnemo server URL")
	client := flag.String("client", "default", "client id")
	actor := flag.String("actor", "cli-user", "actor id")
	class := flag.String("class", "default", "actor class id")
	modules := flag.String("modules", "", "comma-separated skill-module ids")
	mode := flag.String("mode", "agent", "initial conversation mode (agent or tutor)")
	flag.Parse()

	fmt.Println("mnemo CLI Chat")
	fmt.Printf("Server: %s | Actor: %s | Mode: %s\n", *server, *actor, *mode)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /mode <tutor|agent>, /session, /delete")
	fmt.Println("---")

	c := &chatClient{
		server: *server,
		mode:   *mode,
		identity: identity{
			ClientID:     *client,
			ActorID:      *actor,
			ActorClassID: *class,
		},
		http: &http.Client{Timeout: 65 * time.Second},
	}
	if *modules != "" {
		c.identity.SkillModules = strings.Split(*modules, ",")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if newMode, ok := strings.CutPrefix(input, "/mode "); ok {
			c.switchMode(strings.TrimSpace(newMode))
			continue
		}
		if input == "/session" {
			c.showSession()
			continue
		}
		if input == "/delete" {
			c.deleteSession()
			continue
		}

		c.send(input)
	}
}

type identity struct {
	ClientID     string   `json:"client_id"`
	ActorID      string   `json:"actor_id"`
	ActorClassID string   `json:"actor_class_id"`
	SkillModules []string `json:"skill_modules,omitempty"`
}

type chatClient struct {
	server    string
	sessionID string
	mode      string
	identity  identity
	http      *http.Client
}

func (c *chatClient) send(message string) {
	body, _ := json.Marshal(map[string]interface{}{
		"session_id": c.sessionID,
		"identity":   c.identity,
		"message":    message,
		"mode":       c.mode,
	})

	resp, err := c.http.Post(c.server+"/api/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}

	var turn struct {
		SessionID string `json:"session_id"`
		Response  string `json:"response"`
		Meta      *struct {
			Mode               string   `json:"mode"`
			LearningObjective  string   `json:"learning_objective,omitempty"`
			UnderstandingLevel int      `json:"understanding_level,omitempty"`
			FollowUpQuestions  []string `json:"follow_up_questions,omitempty"`
		} `json:"meta"`
		Memory struct {
			Degraded    bool     `json:"degraded"`
			Unavailable []string `json:"unavailable_realms"`
			EntriesUsed int      `json:"entries_used"`
		} `json:"memory"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	c.sessionID = turn.SessionID

	fmt.Println(turn.Response)
	if turn.Memory.Degraded {
		fmt.Printf("\033[33m(memory degraded: %s unavailable)\033[0m\n",
			strings.Join(turn.Memory.Unavailable, ", "))
	}
	if turn.Meta != nil && len(turn.Meta.FollowUpQuestions) > 0 {
		fmt.Println("\033[36mFollow-ups:\033[0m")
		for _, q := range turn.Meta.FollowUpQuestions {
			fmt.Printf("  - %s\n", q)
		}
	}
}

func (c *chatClient) switchMode(newMode string) {
	if c.sessionID == "" {
		c.mode = newMode
		fmt.Printf("Starting mode set to %s.\n", newMode)
		return
	}

	body, _ := json.Marshal(map[string]string{"mode": newMode})
	url := fmt.Sprintf("%s/api/sessions/%s/mode", c.server, c.sessionID)
	resp, err := c.http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}
	c.mode = newMode
	fmt.Printf("Switched to %s mode.\n", newMode)
}

func (c *chatClient) showSession() {
	if c.sessionID == "" {
		fmt.Println("No active session yet.")
		return
	}
	resp, err := c.http.Get(c.server + "/api/sessions/" + c.sessionID)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	var sess struct {
		ID           string `json:"id"`
		Mode         string `json:"mode"`
		MessageCount int    `json:"message_count"`
		Learning     *struct {
			Topic string `json:"topic"`
			Level int    `json:"level"`
		} `json:"learning,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		printError("Failed to parse session: %v", err)
		return
	}
	fmt.Printf("Session %s | mode=%s | messages=%d\n", sess.ID, sess.Mode, sess.MessageCount)
	if sess.Learning != nil && sess.Learning.Topic != "" {
		fmt.Printf("Learning: %s (level %d)\n", sess.Learning.Topic, sess.Learning.Level)
	}
}

func (c *chatClient) deleteSession() {
	if c.sessionID == "" {
		fmt.Println("No active session yet.")
		return
	}
	req, _ := http.NewRequest(http.MethodDelete, c.server+"/api/sessions/"+c.sessionID, nil)
	resp, err := c.http.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}
	fmt.Printf("Session %s deleted.\n", c.sessionID)
	c.sessionID = ""
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
