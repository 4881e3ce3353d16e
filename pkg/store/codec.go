package store

import (
	"encoding/json"

	"github.com/coreseekdev/drawbridge/pkg/scene"
)

func encodeState(st scene.State) ([]byte, error) {
	return json.Marshal(st)
}

func decodeState(data []byte) (scene.State, error) {
	var st scene.State
	if err := json.Unmarshal(data, &st); err != nil {
		return scene.State{}, err
	}
	if st.Elements == nil {
		st.Elements = []scene.Element{}
	}
	return st, nil
}

func encodeFilesMeta(files scene.FilesMeta) ([]byte, error) {
	return json.Marshal(files)
}

func decodeFilesMeta(data []byte) (scene.FilesMeta, error) {
	var files scene.FilesMeta
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, err
	}
	if files == nil {
		files = scene.FilesMeta{}
	}
	return files, nil
}
