package chatsync

import (
	"context"
	"time"
)

// RefreshConversationList fetches the list, replaces the cache with it and
// schedules a staggered preload of every conversation not yet cached. A list
// that arrives after a logout or user change is dropped.
func (e *Engine) RefreshConversationList(ctx context.Context) error {
	gen := e.cache.currentGeneration()
	list, err := e.api.ListConversations(ctx)
	if err != nil {
		e.backgroundFailed("refresh conversations", err)
		return err
	}
	if target := e.Target(); !target.IsZero() {
		for i := range list {
			if list[i].ID == target {
				list[i].UnreadCount = 0
			}
		}
	}
	if !e.cache.replaceList(gen, list) {
		e.logger.Debug("discarding list fetched before cache reset")
		return ErrSuperseded
	}

	e.cancelPreloads()
	for i, conv := range list {
		e.schedulePreload(conv.ID, time.Duration(i)*e.cfg.PreloadStagger)
	}
	return nil
}

// requestRefresh runs RefreshConversationList in the background. Requests
// made while one is running collapse into a single follow-up run.
func (e *Engine) requestRefresh() {
	e.mu.Lock()
	if e.refreshing {
		e.refreshAgain = true
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.mu.Unlock()

	go func() {
		for {
			_ = e.RefreshConversationList(e.context())

			e.mu.Lock()
			again := e.refreshAgain
			e.refreshAgain = false
			e.refreshing = again
			e.mu.Unlock()
			if !again {
				return
			}
		}
	}()
}

// schedulePreload arms the preload of id after delay, replacing any preload
// of id still waiting. Fired timers remove themselves.
func (e *Engine) schedulePreload(id ID, delay time.Duration) {
	ctx := e.context()

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.preloads[id]; ok {
		old.Stop()
	}
	var t Timer
	t = e.sched.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.preloads[id] == t {
			delete(e.preloads, id)
		}
		e.mu.Unlock()
		e.preload(ctx, id)
	})
	e.preloads[id] = t
}

func (e *Engine) cancelPreloads() {
	e.mu.Lock()
	timers := e.preloads
	e.preloads = make(map[ID]Timer)
	e.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// preload warms the cache with id's detail and newest page. It skips ids
// already cached or in flight, and drops its result if the cache was reset
// or the open session wrote live data in the meantime.
func (e *Engine) preload(ctx context.Context, id ID) {
	if ctx.Err() != nil {
		return
	}
	gen, ok := e.cache.beginPreload(id)
	if !ok {
		return
	}
	defer e.cache.endPreload(gen, id)

	conv, err := e.api.GetConversation(ctx, id)
	if err != nil {
		e.backgroundFailed("preload conversation", err, "conversation", id)
		return
	}
	page, err := e.api.ListMessages(ctx, id, 1)
	if err != nil {
		e.backgroundFailed("preload messages", err, "conversation", id)
		return
	}
	if !e.cache.storePreload(gen, *conv, oldestFirst(page.Results)) {
		e.logger.Debug("discarding stale preload", "conversation", id)
		return
	}
	e.logger.Debug("preloaded", "conversation", id, "messages", len(page.Results))
}
