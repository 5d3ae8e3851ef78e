package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/autoweaved/autoweaved/internal/anomaly"
	"github.com/autoweaved/autoweaved/internal/pluginhost"
	"github.com/autoweaved/autoweaved/internal/queue"
)

// onEventHook is the manifest hook name a plugin declares to subscribe to
// queue traffic: hooks: { onEvent: [queueName, ...] }.
const onEventHook = "onEvent"

// queuesSubscribedByPlugins collects the set of queue names any loaded
// plugin's onEvent hook selectors reference, so the scheduler only
// registers worker pools for queues something can actually consume.
func queuesSubscribedByPlugins(host *pluginhost.Host) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range host.List() {
		if p.Manifest == nil {
			continue
		}
		for _, sel := range p.Manifest.Hooks[onEventHook] {
			if !seen[sel] {
				seen[sel] = true
				out = append(out, sel)
			}
		}
	}
	return out
}

// pluginExecutor returns a workerpool.Executor that matches a job's queue
// against every loaded plugin's onEvent hook selectors and delivers a
// typed message to each matching, permitted, running plugin in turn — the
// Worker Pool fans a single job out to every subscriber rather than
// picking one. Every outbound payload is scanned by the anomaly detector
// before it reaches a plugin, and every outcome is recorded against that
// plugin's event/error-rate windows.
func pluginExecutor(host *pluginhost.Host, detector *anomaly.Detector) func(ctx context.Context, job *queue.Job) (interface{}, error) {
	return func(ctx context.Context, job *queue.Job) (interface{}, error) {
		subscribers := matchingSubscribers(host, job.QueueName)
		if len(subscribers) == 0 {
			return nil, fmt.Errorf("no loaded plugin's hooks match queue %q", job.QueueName)
		}

		payload, err := json.Marshal(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}

		var msgIDs []string
		var errs []error
		for _, pluginID := range subscribers {
			detector.ScanExecutePayload(pluginID, string(payload))

			msgID, err := host.SendPluginMessage(pluginID, job.Type, payload)
			detector.RecordEvent(pluginID, err != nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", pluginID, err))
				continue
			}
			msgIDs = append(msgIDs, msgID)
		}
		if len(errs) > 0 {
			return msgIDs, errors.Join(errs...)
		}
		return msgIDs, nil
	}
}

// matchingSubscribers returns every running plugin ID whose permissions
// allow subscribing to queueName and whose onEvent hook selectors
// reference it. Permission is checked in addition to the hook selector as
// a defense-in-depth backstop: a manifest's hook selectors are already
// validated against its own permissions.queues at load time, but a plugin
// reloaded with a narrower grant should never regain delivery through a
// stale selector.
func matchingSubscribers(host *pluginhost.Host, queueName string) []string {
	var out []string
	for _, p := range host.List() {
		if p.State != pluginhost.StateRunning || p.Manifest == nil {
			continue
		}
		perm, ok := host.Permissions(p.ID)
		if !ok || perm == nil || !perm.MaySubscribe(queueName) {
			continue
		}
		if hookSelects(p.Manifest.Hooks[onEventHook], queueName) {
			out = append(out, p.ID)
		}
	}
	return out
}

func hookSelects(selectors []string, queueName string) bool {
	for _, sel := range selectors {
		if sel == queueName {
			return true
		}
	}
	return false
}
