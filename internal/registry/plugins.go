package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
)

// ErrUnknownPlugin rejects managing a back-end no constructor is compiled
// in for.
var ErrUnknownPlugin = errors.New("registry: unknown plugin")

// PluginInfo describes one known back-end package.
type PluginInfo struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
}

// pluginCatalog lists the back-end packages the server knows how to manage.
// Compiled-in backends register themselves with the stage package; names
// listed here without a registered constructor show up as not installable.
var pluginCatalog = []string{
	"tesseract",
	"easyocr",
	"hugging_face",
	"paddleocr",
}

func knownPlugin(name string) bool {
	for _, n := range pluginCatalog {
		if n == name {
			return true
		}
	}
	return stage.Known(name)
}

// Plugins reports every catalogued back-end and whether it is installed.
func (r *Registry) Plugins() ([]PluginInfo, error) {
	names := map[string]bool{}
	for _, n := range pluginCatalog {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	infos := make([]PluginInfo, 0, len(sorted))
	for _, n := range sorted {
		installed, err := r.store.PluginInstalled(n)
		if err != nil {
			return nil, err
		}
		infos = append(infos, PluginInfo{Name: n, Installed: installed})
	}
	return infos, nil
}

// SetPlugin marks a back-end installed or removed. Removal unloads any
// loaded model served by that back-end. The change waits for in-flight
// requests to drain and fails with ErrBusy on timeout.
func (r *Registry) SetPlugin(name string, install bool) error {
	if !knownPlugin(name) {
		return fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	if err := r.lockExclusive(); err != nil {
		return err
	}
	defer r.work.Unlock()

	if err := r.store.SetPluginInstalled(name, install); err != nil {
		return err
	}
	if !install {
		r.mu.RLock()
		boxModel, ocrModel, tslModel := r.boxModel, r.ocrModel, r.tslModel
		r.mu.RUnlock()
		if boxModel != nil && boxModel.Entrypoint == name {
			r.unloadBoxSlot()
		}
		if ocrModel != nil && ocrModel.Entrypoint == name {
			r.unloadOCRSlot()
		}
		if tslModel != nil && tslModel.Entrypoint == name {
			r.unloadTSLSlot()
		}
	}
	r.log.Info("plugin state changed", "plugin", name, "installed", install)
	r.notify()
	return nil
}
