package artifact

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// GLB container framing.
const (
	glbMagic     = 0x46546C67 // "glTF"
	glbChunkJSON = 0x4E4F534A // "JSON"
)

// glTF primitive topologies that contribute triangles.
const (
	modeTriangles     = 4
	modeTriangleStrip = 5
	modeTriangleFan   = 6
)

type gltfDoc struct {
	Scene  *int `json:"scene"`
	Scenes []struct {
		Nodes []int `json:"nodes"`
	} `json:"scenes"`
	Nodes  []gltfNode `json:"nodes"`
	Meshes []struct {
		Primitives []gltfPrimitive `json:"primitives"`
	} `json:"meshes"`
	Accessors []struct {
		Count int64 `json:"count"`
	} `json:"accessors"`
}

type gltfNode struct {
	Mesh     *int  `json:"mesh"`
	Children []int `json:"children"`
}

type gltfPrimitive struct {
	Indices *int `json:"indices"`
	Mode    *int `json:"mode"`
}

// CountPolygons counts the triangles in the model's active scene.
// model/gltf-binary input is unwrapped from its GLB container first;
// model/gltf+json input is parsed directly. Non-indexed primitives and
// non-triangle topologies contribute nothing, matching how render cost
// is estimated for marketplace listings.
func CountPolygons(data []byte, mime string) (int64, error) {
	var (
		doc []byte
		err error
	)
	switch mime {
	case "model/gltf-binary":
		doc, err = unpackGLB(data)
		if err != nil {
			return 0, err
		}
	case "model/gltf+json":
		doc = data
	default:
		return 0, fmt.Errorf("mime type %q is not a gltf model", mime)
	}

	var model gltfDoc
	if err := json.Unmarshal(doc, &model); err != nil {
		return 0, fmt.Errorf("gltf json: %w", err)
	}
	if len(model.Scenes) == 0 {
		return 0, fmt.Errorf("gltf model has no scenes")
	}

	sceneIdx := 0
	if model.Scene != nil {
		sceneIdx = *model.Scene
	}
	if sceneIdx < 0 || sceneIdx >= len(model.Scenes) {
		return 0, fmt.Errorf("gltf scene index %d out of range", sceneIdx)
	}

	// Node graphs are trees per the format, but adversarial files can
	// alias or cycle; each node is counted at most once.
	visited := make(map[int]struct{})
	var total int64
	for _, nodeIdx := range model.Scenes[sceneIdx].Nodes {
		n, err := countNode(&model, nodeIdx, visited)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func countNode(model *gltfDoc, idx int, visited map[int]struct{}) (int64, error) {
	if idx < 0 || idx >= len(model.Nodes) {
		return 0, fmt.Errorf("gltf node index %d out of range", idx)
	}
	if _, seen := visited[idx]; seen {
		return 0, nil
	}
	visited[idx] = struct{}{}

	node := model.Nodes[idx]
	var total int64
	if node.Mesh != nil {
		meshIdx := *node.Mesh
		if meshIdx < 0 || meshIdx >= len(model.Meshes) {
			return 0, fmt.Errorf("gltf mesh index %d out of range", meshIdx)
		}
		for _, prim := range model.Meshes[meshIdx].Primitives {
			if prim.Indices == nil {
				continue
			}
			accIdx := *prim.Indices
			if accIdx < 0 || accIdx >= len(model.Accessors) {
				return 0, fmt.Errorf("gltf accessor index %d out of range", accIdx)
			}
			count := model.Accessors[accIdx].Count

			mode := modeTriangles
			if prim.Mode != nil {
				mode = *prim.Mode
			}
			switch mode {
			case modeTriangles:
				total += count / 3
			case modeTriangleStrip, modeTriangleFan:
				if count > 2 {
					total += count - 2
				}
			}
		}
	}

	for _, childIdx := range node.Children {
		n, err := countNode(model, childIdx, visited)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// unpackGLB extracts the JSON chunk from a binary glTF container.
func unpackGLB(data []byte) ([]byte, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("glb header truncated: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != glbMagic {
		return nil, fmt.Errorf("glb magic mismatch")
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != 2 {
		return nil, fmt.Errorf("glb version %d not supported", version)
	}
	if declared := binary.LittleEndian.Uint32(data[8:12]); int64(declared) > int64(len(data)) {
		return nil, fmt.Errorf("glb declares %d bytes, have %d", declared, len(data))
	}

	offset := 12
	for offset+8 <= len(data) {
		chunkLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		chunkType := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		offset += 8
		if chunkLen < 0 || offset+chunkLen > len(data) {
			return nil, fmt.Errorf("glb chunk truncated")
		}
		if chunkType == glbChunkJSON {
			return data[offset : offset+chunkLen], nil
		}
		offset += chunkLen
	}
	return nil, fmt.Errorf("glb has no json chunk")
}
