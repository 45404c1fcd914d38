// Package cvdnn runs the neural networks through OpenCV's DNN module.
// This is the only package that touches gocv, so the cgo surface stays
// contained here. Everything above it talks to the interfaces in pkg/nn.
package cvdnn

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gocv.io/x/gocv"
)

// loadNet loads a model and verifies OpenCV accepted it.
// configPath may be empty for single-file formats such as ONNX.
func loadNet(modelPath, configPath string) (gocv.Net, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return gocv.Net{}, fmt.Errorf("model file %v: %w", modelPath, err)
	}
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return gocv.Net{}, fmt.Errorf("failed to load network from %v", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return gocv.Net{}, err
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return gocv.Net{}, err
	}
	return net, nil
}

// loadModelConfig reads the JSON config that sits next to the model weights
func loadModelConfig(path string, cfg any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("model config %v: %w", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("model config %v: %w", path, err)
	}
	return nil
}

// outputLayerNames returns the names of the unconnected output layers,
// which is how you get all scales out of a YOLO network.
func outputLayerNames(net *gocv.Net) []string {
	layerNames := net.GetLayerNames()
	out := []string{}
	for _, idx := range net.GetUnconnectedOutLayers() {
		if idx-1 >= 0 && idx-1 < len(layerNames) {
			out = append(out, layerNames[idx-1])
		}
	}
	return out
}

// sidecarConfigPath derives "model.json" from "model.onnx" etc
func sidecarConfigPath(modelPath string) string {
	dot := strings.LastIndex(modelPath, ".")
	if dot == -1 {
		return modelPath + ".json"
	}
	return modelPath[:dot] + ".json"
}
