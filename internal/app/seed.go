package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
	"github.com/Tyrowin/nexus-chat-server/internal/storage/memstore"
)

// ParseSeedRooms reads SEED_ROOMS, a list of rooms and their participants
// such as "42:alice,bob;7:carol". Rooms must be positive integers.
func ParseSeedRooms(value string) (map[int64][]string, error) {
	rooms := make(map[int64][]string)
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		roomPart, usersPart, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("SEED_ROOMS entry %q: want room:user,user", entry)
		}
		room, err := strconv.ParseInt(strings.TrimSpace(roomPart), 10, 64)
		if err != nil || room <= 0 {
			return nil, fmt.Errorf("SEED_ROOMS entry %q: invalid room id", entry)
		}
		for _, user := range strings.Split(usersPart, ",") {
			if user = strings.TrimSpace(user); user != "" {
				rooms[room] = append(rooms[room], user)
			}
		}
	}
	return rooms, nil
}

type participantAdder interface {
	AddParticipants(ctx context.Context, roomID int64, userIDs ...string) error
}

// seed adds participants to the store. It is meant for local runs; real
// deployments manage participants through the conversation service.
func seed(ctx context.Context, store storage.Store, rooms map[int64][]string) error {
	if len(rooms) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		switch s := store.(type) {
		case *memstore.Store:
			s.AddParticipants(id, rooms[id]...)
		case participantAdder:
			if err := s.AddParticipants(ctx, id, rooms[id]...); err != nil {
				return fmt.Errorf("seed room %d: %w", id, err)
			}
		default:
			return fmt.Errorf("seed room %d: storage driver cannot add participants", id)
		}
	}
	return nil
}
