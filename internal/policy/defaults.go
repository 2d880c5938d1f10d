package policy

// DefaultDenylist is the engine-shipped set of destructive command
// patterns hosts inherit when no richer policy excludes them. It is
// always merged with a configured denylist, never substituted for it.
var DefaultDenylist = []string{
	"rm",
	"rmdir",
	"mkfs*",
	"dd",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	"init",
	"fdisk",
	"parted",
	"shred",
	"chown",
	"chmod",
	":(){:|:&};:",
}
