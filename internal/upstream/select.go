package upstream

import (
	"sort"
	"strconv"
	"strings"
)

// imageRef is one image descriptor as it appears in a history node's
// "images" output list.
type imageRef struct {
	Filename  string
	Subfolder string
	Type      string
}

// candidate is a scored image awaiting final ordering.
type candidate struct {
	classPriority int
	typePriority  int
	nodeID        int
	ref           imageRef
}

// classPriority scores the node that produced an image by class_type,
// so a SaveImage/PreviewImage/VAEDecode result always outranks a
// LoadImage echo of the input, per the artifact selection algorithm.
func classPriority(classType string) int {
	switch classType {
	case "SaveImage":
		return 100
	case "PreviewImage":
		return 90
	case "VAEDecode", "VAEDecodeTiled", "VAEDecodeTAESD":
		return 80
	case "LoadImage":
		return 0
	default:
		return 50
	}
}

// typePriority scores the /view folder type of an image.
func typePriority(folderType string) int {
	switch strings.ToLower(folderType) {
	case "output":
		return 3
	case "temp":
		return 2
	case "input":
		return 1
	default:
		return 0
	}
}

func nodeNum(nodeID string) int {
	n, err := strconv.Atoi(strings.TrimSpace(nodeID))
	if err != nil {
		return -1
	}
	return n
}

// SelectImages scores every image referenced in a history response's
// outputs against the prompt graph that produced them (when
// available), filters out input-type images whenever a non-input
// image exists, and returns the image refs ordered by descending
// score: (class priority, type priority, node id).
func SelectImages(outputs map[string]any, promptGraph map[string]any) []imageRef {
	var candidates []candidate

	for nodeID, rawOutput := range outputs {
		output, ok := rawOutput.(map[string]any)
		if !ok {
			continue
		}
		rawImages, ok := output["images"].([]any)
		if !ok || len(rawImages) == 0 {
			continue
		}

		classType := nodeClassType(promptGraph, nodeID)
		cpri := classPriority(classType)
		nid := nodeNum(nodeID)

		for _, rawImg := range rawImages {
			img, ok := rawImg.(map[string]any)
			if !ok {
				continue
			}
			filename, _ := img["filename"].(string)
			if filename == "" {
				continue
			}
			subfolder, _ := img["subfolder"].(string)
			folderType, _ := img["type"].(string)

			candidates = append(candidates, candidate{
				classPriority: cpri,
				typePriority:  typePriority(folderType),
				nodeID:        nid,
				ref:           imageRef{Filename: filename, Subfolder: subfolder, Type: folderType},
			})
		}
	}

	hasNonInput := false
	for _, c := range candidates {
		if c.typePriority != 1 {
			hasNonInput = true
			break
		}
	}
	if hasNonInput {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c.typePriority != 1 {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.classPriority != b.classPriority {
			return a.classPriority > b.classPriority
		}
		if a.typePriority != b.typePriority {
			return a.typePriority > b.typePriority
		}
		return a.nodeID > b.nodeID
	})

	out := make([]imageRef, len(candidates))
	for i, c := range candidates {
		out[i] = c.ref
	}
	return out
}

// nodeClassType extracts class_type from a prompt graph's node entry,
// accepting both the plain node-map shape and the occasional
// {"nodes": {...}} wrapper. The three-element list-wrapped shape some
// ComfyUI history responses use for "prompt" is unwrapped beforehand by
// ExtractPromptGraph.
func nodeClassType(promptGraph map[string]any, nodeID string) string {
	graph := unwrapPromptGraph(promptGraph)
	node, ok := graph[nodeID].(map[string]any)
	if !ok {
		return ""
	}
	ct, _ := node["class_type"].(string)
	return ct
}

func unwrapPromptGraph(field map[string]any) map[string]any {
	if nodes, ok := field["nodes"].(map[string]any); ok {
		return nodes
	}
	return field
}

// ExtractPromptGraph normalizes history["prompt"] into a plain
// node-id-keyed map, handling both the dict shape and the
// [queue_id, prompt_id, {...}] list shape some server versions send.
func ExtractPromptGraph(historyEntry map[string]any) map[string]any {
	field, ok := historyEntry["prompt"]
	if !ok {
		return map[string]any{}
	}
	switch v := field.(type) {
	case map[string]any:
		return unwrapPromptGraph(v)
	case []any:
		if len(v) >= 3 {
			if graph, ok := v[2].(map[string]any); ok {
				return graph
			}
		}
	}
	return map[string]any{}
}
