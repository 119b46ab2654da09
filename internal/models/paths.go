package models

// Gateway keys.
const (
	PathPaper       = "paper"
	PathCarriage    = "paper/carriagePosition"
	PathTyping      = "paper/typing"
	PathCurrentLine = "paper/currentLine"
	PathSnapshots   = "snapshots"
	PathPresence    = "presence"
)

func SnapshotPath(id string) string {
	return PathSnapshots + "/" + id
}

func PresencePath(userID string) string {
	return PathPresence + "/" + userID
}
