package data

import (
	"fmt"
	"sort"
	"strings"
)

// Commit verbs.
const (
	verbCreate  = "create"
	verbRename  = "rename"
	verbMove    = "move"
	verbDelete  = "delete"
	verbInherit = "inherit"
	verbChange  = "change"
)

// commitMessage builds "<actor>: <verb> <subject> <path>[ -> <target>]".
func commitMessage(actor, verb, subject, path, target string) string {
	msg := fmt.Sprintf("%s: %s %s %s", actor, verb, subject, path)
	if target != "" {
		msg += " -> " + target
	}
	return msg
}

func createMessage(actor, subject, path string) string {
	return commitMessage(actor, verbCreate, subject, path, "")
}

func renameMessage(actor, subject, from, to string) string {
	return commitMessage(actor, verbRename, subject, from, to)
}

func moveMessage(actor, subject, from, to string) string {
	return commitMessage(actor, verbMove, subject, from, to)
}

func deleteMessage(actor, subject, path string) string {
	return commitMessage(actor, verbDelete, subject, path, "")
}

func inheritMessage(actor, source, path string) string {
	return commitMessage(actor, verbInherit, "table", source, path)
}

// changeMessage describes the commit of an edit session over paths.
func changeMessage(actor, subject string, paths []string) string {
	return commitMessage(actor, verbChange, subject, strings.Join(paths, ", "), "")
}

// commitProperties are stored with every commit next to the message.
func commitProperties(action string, paths ...string) map[string]string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return map[string]string{"action": action, "paths": strings.Join(sorted, ",")}
}
