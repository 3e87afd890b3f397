package gateway

// Default route table. Inbound prefixes live under /api; the upstream serves
// the same resources without the prefix.
var (
	VideosRoute = Route{
		Name:        "videos",
		Prefix:      "/api/videos",
		BackendPath: "/videos",
		Body:        BodyPassthrough,
	}
	PlaylistsRoute = Route{
		Name:        "playlists",
		Prefix:      "/api/playlists",
		BackendPath: "/playlists",
		Body:        BodyPassthrough,
	}
	ProfileRoute = Route{
		Name:        "profile",
		Prefix:      "/api/user/profile",
		BackendPath: "/user/profile",
		Body:        BodyMultipart,
	}
	UploadsRoute = Route{
		Name:         "uploads",
		Prefix:       "/api/uploads",
		BackendPath:  "/uploads",
		Body:         BodyStream,
		CacheControl: "private, max-age=31536000, immutable",
	}
)

// Routes lists every forwarded endpoint in registration order.
func Routes() []Route {
	return []Route{VideosRoute, PlaylistsRoute, ProfileRoute, UploadsRoute}
}
