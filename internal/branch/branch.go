// Package branch implements the pure conversation-tree logic: messages form a
// forest of parent-pointer nodes (one root per chat), and the package answers
// which linear history a chosen leaf represents and which leaf is the most
// recent continuation of a given message.
//
// All functions operate on caller-provided indices and perform no I/O.
package branch

import (
	"sort"

	"github.com/arborlabs/arbor/internal/models"
)

// RootKey is the ChildrenByParent bucket for messages without a parent.
const RootKey = ""

// ByID indexes messages by id.
func ByID(msgs []models.Message) map[string]models.Message {
	byID := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	return byID
}

// ChildrenByParent groups messages by their parent id, with RootKey holding
// root messages. Each group is sorted ascending by CreatedAt, ties broken by
// id, so sibling order ("Variation 1, 2, ...") is stable across rebuilds.
func ChildrenByParent(msgs []models.Message) map[string][]models.Message {
	children := make(map[string][]models.Message)
	for _, m := range msgs {
		key := RootKey
		if m.ParentMessageID != nil {
			key = *m.ParentMessageID
		}
		children[key] = append(children[key], m)
	}
	for _, group := range children {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
	}
	return children
}

// ToRoot walks parent pointers from leafID up to the root and returns the
// chain root-first. An unknown id simply stops the walk, so a missing leaf
// yields an empty slice and a broken parent link yields a truncated chain.
func ToRoot(leafID string, byID map[string]models.Message) []models.Message {
	var chain []models.Message
	currentID := leafID
	for currentID != "" {
		m, ok := byID[currentID]
		if !ok {
			break
		}
		chain = append(chain, m)
		if m.ParentMessageID == nil {
			break
		}
		currentID = *m.ParentMessageID
	}
	// reverse in place to root-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// MostRecentLeaf descends from start by repeatedly picking the child with the
// greatest CreatedAt, until a message with no children is reached. Equal
// timestamps resolve to the greater id, which for ULIDs is creation order, so
// the result is deterministic.
func MostRecentLeaf(start models.Message, children map[string][]models.Message) models.Message {
	current := start
	for {
		group := children[current.ID]
		if len(group) == 0 {
			return current
		}
		latest := group[0]
		for _, child := range group[1:] {
			if child.CreatedAt.After(latest.CreatedAt) ||
				(child.CreatedAt.Equal(latest.CreatedAt) && child.ID > latest.ID) {
				latest = child
			}
		}
		current = latest
	}
}

// ActiveBranch resolves the linear history for a chosen leaf. It is the
// composition used for display and for building generation histories.
func ActiveBranch(leafID string, msgs []models.Message) []models.Message {
	return ToRoot(leafID, ByID(msgs))
}

// RerollParent returns the id generation should restart from when msg is
// rerolled: its parent. The rerolled message and its descendants stay in
// storage as an alternate branch; the fresh reply becomes a new sibling.
// ok is false for a root message, which cannot be rerolled.
func RerollParent(msg models.Message) (string, bool) {
	if msg.ParentMessageID == nil || *msg.ParentMessageID == "" {
		return "", false
	}
	return *msg.ParentMessageID, true
}
