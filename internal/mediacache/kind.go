package mediacache

import (
	"fmt"

	"github.com/JWIMaster/Neocord-sub000/internal/media"
)

// Kind parameterises the generic engine for one family of assets.
type Kind struct {
	// Name is used for metrics labels, the disk namespace and the HTTP route.
	Name string
	// URL builds the CDN address for d at the given pixel size. base never
	// ends with a slash.
	URL         func(base string, d media.Descriptor, size int) string
	DefaultSize int
	Mask        bool
	Accent      bool
	// Scoped kinds only resolve descriptors that carry a Scope.
	Scoped bool
}

var Avatar = Kind{
	Name: "avatar",
	URL: func(base string, d media.Descriptor, size int) string {
		return fmt.Sprintf("%s/avatars/%s/%s.png?size=%d", base, d.EntityID, d.ContentHash, size)
	},
	DefaultSize: 128,
	Mask:        true,
	Accent:      true,
}

var Banner = Kind{
	Name: "banner",
	URL: func(base string, d media.Descriptor, size int) string {
		return fmt.Sprintf("%s/banners/%s/%s.png?size=%d", base, d.EntityID, d.ContentHash, size)
	},
	DefaultSize: 600,
	Accent:      true,
}

// Emoji has no content hash on the CDN. Callers pass the emoji name as the
// hash so that a renamed or replaced emoji gets a new key.
var Emoji = Kind{
	Name: "emoji",
	URL: func(base string, d media.Descriptor, size int) string {
		return fmt.Sprintf("%s/emojis/%s.png?size=%d", base, d.EntityID, size)
	},
	DefaultSize: 64,
}

// GuildAvatar is a per-guild member avatar. Scope holds the guild id.
var GuildAvatar = Kind{
	Name: "guild_avatar",
	URL: func(base string, d media.Descriptor, size int) string {
		return fmt.Sprintf("%s/guilds/%s/users/%s/avatars/%s.png?size=%d", base, d.Scope, d.EntityID, d.ContentHash, size)
	},
	DefaultSize: 128,
	Mask:        true,
	Accent:      true,
	Scoped:      true,
}

var GuildIcon = Kind{
	Name: "guild_icon",
	URL: func(base string, d media.Descriptor, size int) string {
		return fmt.Sprintf("%s/icons/%s/%s.png?size=%d", base, d.EntityID, d.ContentHash, size)
	},
	DefaultSize: 128,
	Mask:        true,
	Accent:      true,
}

var RoleIcon = Kind{
	Name: "role_icon",
	URL: func(base string, d media.Descriptor, size int) string {
		return fmt.Sprintf("%s/role-icons/%s/%s.png?size=%d", base, d.EntityID, d.ContentHash, size)
	},
	DefaultSize: 64,
}

// Kinds returns every built-in asset kind.
func Kinds() []Kind {
	return []Kind{Avatar, Banner, Emoji, GuildAvatar, GuildIcon, RoleIcon}
}
