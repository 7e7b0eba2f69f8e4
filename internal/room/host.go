package room

// HostID elects the room host: the user with the numerically smallest
// JoinedAt among current members. Ties are left to map iteration order;
// server timestamps are monotonically distinct in practice. Returns "" for
// an empty room.
func HostID(users map[string]Presence) string {
	host := ""
	var earliest int64
	for id, u := range users {
		if host == "" || u.JoinedAt < earliest {
			host = id
			earliest = u.JoinedAt
		}
	}
	return host
}
