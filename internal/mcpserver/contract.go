package mcpserver

// SnapshotFormat describes the draft snapshot JSON accepted by the
// import_snapshot tool and the /api/timeline/import endpoint.
const SnapshotFormat = `# Guardian Timeline Snapshot Format

A snapshot is one JSON object holding a whole draft timeline.

` + "```" + `json
{
  "nodes": {
    "wake":  {"id": "wake",  "title": "Wake up", "kind": "action", "children": ["pick"], "defaultDuration": 600000},
    "pick":  {"id": "pick",  "title": "Bus or bike?", "kind": "decision", "parentId": "wake",
              "children": ["bus", "bike"], "chosenChildId": "bike"},
    "bus":   {"id": "bus",   "title": "Take the bus", "kind": "action", "parentId": "pick", "defaultDuration": 1800000},
    "bike":  {"id": "bike",  "title": "Ride the bike", "kind": "action", "parentId": "pick", "defaultDuration": 1200000}
  },
  "rootId": "wake",
  "lastModified": 1735689600000
}
` + "```" + `

## Rules

1. **nodes** is keyed by node id. An entry without ` + "`" + `id` + "`" + ` takes its key.
2. **kind** is ` + "`" + `action` + "`" + ` (one step) or ` + "`" + `decision` + "`" + ` (a branch point).
   An empty kind is imported as an action.
3. **children** lists child ids in display order. **parentId** names the
   parent; when it is absent the children lists are used instead.
4. **chosenChildId** is only meaningful on a decision and must be one of its
   children. The active path follows it.
5. **defaultDuration** is in milliseconds and must not be negative.
6. **lastModified** is Unix milliseconds. It does not affect idempotency:
   importing the same nodes twice returns the first report.
7. Nodes whose parent is missing from the snapshot are imported as orphans.
   They are kept but are not part of the tree.
8. A user who already has a stored timeline cannot import a different one.
`
