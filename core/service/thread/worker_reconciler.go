// Package thread groups fetched messages into conversations.
package thread

import "ticket_worker/core/domain"

// Reconcile groups a flat, received-ordered batch into conversations.
//
// A message is anchored to its top-most ancestor present in the batch, so
// replies to replies land on the same root, one level deep. A reply whose
// parent is not in the batch (processed by an earlier run) becomes the root of
// its own conversation and keeps its ParentID; the conversation id still
// carries the provider thread so the resolver can find the existing ticket.
//
// Conversations are returned in order of their root, replies in batch order.
func Reconcile(messages []domain.NormalizedMessage) []domain.Conversation {
	if len(messages) == 0 {
		return nil
	}

	byID := make(map[string]int, len(messages))
	for i := range messages {
		// first occurrence wins on duplicate ids
		if _, ok := byID[messages[i].ID]; !ok {
			byID[messages[i].ID] = i
		}
	}

	anchors := make(map[int]int, len(messages))
	anchorOf := func(i int) int {
		path := []int{i}
		seen := map[int]bool{i: true}
		anchor := i
		for {
			if a, ok := anchors[anchor]; ok {
				anchor = a
				break
			}
			parent, ok := byID[messages[anchor].ParentID]
			if messages[anchor].ParentID == "" || !ok || seen[parent] {
				break
			}
			seen[parent] = true
			path = append(path, parent)
			anchor = parent
		}
		for _, p := range path {
			anchors[p] = anchor
		}
		return anchor
	}

	var (
		order  []int
		groups = make(map[int]*domain.Conversation)
	)
	for i := range messages {
		if byID[messages[i].ID] != i {
			continue
		}
		anchor := anchorOf(i)
		conv, ok := groups[anchor]
		if !ok {
			conv = &domain.Conversation{Root: messages[anchor]}
			groups[anchor] = conv
			order = append(order, anchor)
		}
		if i != anchor {
			conv.Replies = append(conv.Replies, messages[i])
		}
	}

	conversations := make([]domain.Conversation, 0, len(order))
	for _, anchor := range order {
		conversations = append(conversations, *groups[anchor])
	}
	return conversations
}
