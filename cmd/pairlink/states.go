package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pairlink/pkg/chat"
	"pairlink/pkg/connection"
)

func statesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "Show the connection state machine and chat states",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(titleStyle.Render("Connection states"))
			t := newTable("State", "Allowed next states")
			for _, s := range connection.States() {
				var next []string
				for _, f := range s.AllowedFollowStates() {
					next = append(next, f.String())
				}
				t.Row(s.String(), strings.Join(next, ", "))
			}
			fmt.Println(t.Render())

			fmt.Println(titleStyle.Render("Chat states"))
			var names []string
			for _, s := range chat.States() {
				names = append(names, string(s))
			}
			fmt.Println(mutedStyle.Render(chat.Namespace))
			fmt.Println(strings.Join(names, " | "))
		},
	}
}
