package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/suPer8Hu/convsync/internal/chat"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTurns(w io.Writer, turns []chat.Turn) {
	for _, t := range turns {
		mark := ""
		if t.Synthetic {
			mark = " (not saved)"
		}
		fmt.Fprintf(w, "[%s]%s %s\n", t.Role, mark, t.Content)
	}
}

// viewOutput is the json shape of a shown conversation.
type viewOutput struct {
	ConversationID string      `json:"conversation_id"`
	Version        int64       `json:"version"`
	Turns          []chat.Turn `json:"turns"`
}

func (o *RootOptions) printView(w io.Writer, v *chat.View) error {
	if o.Format == "json" {
		return printJSON(w, viewOutput{ConversationID: v.ConversationID(), Version: v.Version(), Turns: v.Turns()})
	}
	fmt.Fprintf(w, "conversation %s (v%d)\n", v.ConversationID(), v.Version())
	printTurns(w, v.Turns())
	return nil
}
