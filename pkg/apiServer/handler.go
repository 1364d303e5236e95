package apiServer

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/Crivella/ocr-translate-sub000/internal/pipeline"
	"github.com/Crivella/ocr-translate-sub000/internal/registry"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/types"
)

const maxBodyBytes = 64 << 20

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	st, err := s.srv.Store()
	if err != nil {
		s.fail(w, err)
		return
	}
	reg, err := s.srv.Registry()
	if err != nil {
		s.fail(w, err)
		return
	}

	langs, err := st.ListLanguages()
	if err != nil {
		s.fail(w, err)
		return
	}
	langCodes := make([]string, len(langs))
	for i, lang := range langs {
		langCodes[i] = lang.ISO1
	}

	boxAllowed, ocrAllowed, tslAllowed, err := reg.AllowedModels()
	if err != nil {
		s.fail(w, err)
		return
	}
	boxSel, ocrSel, tslSel := reg.LoadedModels()

	resp := handshakeResponse{
		Version:     serverVersion,
		Languages:   langCodes,
		BoxModels:   boxAllowed,
		OCRModels:   ocrAllowed,
		TSLModels:   tslAllowed,
		BoxSelected: boxSel,
		OCRSelected: ocrSel,
		TSLSelected: tslSel,
	}
	if src, dst, err := reg.Languages(); err == nil {
		resp.LangSrc = src.ISO1
		resp.LangDst = dst.ISO1
	}

	s.issueCSRF(w, r)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetModels(w http.ResponseWriter, r *http.Request) {
	var req setModelsRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reg, err := s.srv.Registry()
	if err != nil {
		s.fail(w, err)
		return
	}

	for _, slot := range []struct {
		name string
		load func(string) error
	}{
		{req.BoxModelID, reg.LoadBox},
		{req.OCRModelID, reg.LoadOCR},
		{req.TSLModelID, reg.LoadTSL},
	} {
		if slot.name == "" {
			continue
		}
		if err := slot.load(slot.name); err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleSetLang(w http.ResponseWriter, r *http.Request) {
	var req setLangRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.LangSrc == "" || req.LangDst == "" {
		http.Error(w, "lang_src and lang_dst are required", http.StatusBadRequest)
		return
	}
	reg, err := s.srv.Registry()
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := reg.SetLanguages(req.LangSrc, req.LangDst); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func validMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (s *Server) handleRunOCRTSL(w http.ResponseWriter, r *http.Request) {
	var req runOCRTSLRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !validMD5(req.MD5) {
		http.Error(w, "md5 is required and must be 32 hex characters", http.StatusBadRequest)
		return
	}
	favorManual := true
	if req.FavorManual != nil {
		favorManual = *req.FavorManual
	}
	preq := pipeline.Request{
		MD5:         strings.ToLower(req.MD5),
		Options:     req.Options,
		Force:       req.Force,
		FavorManual: favorManual,
	}

	if req.Contents == "" {
		if req.Force {
			http.Error(w, "cannot force a rerun without image contents", http.StatusBadRequest)
			return
		}
		results, err := s.srv.Lazy(preq)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "result not available without image contents", http.StatusNotAcceptable)
				return
			}
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runOCRTSLResponse{Result: toResultEntries(results)})
		return
	}

	sum := md5.Sum([]byte(req.Contents))
	if hex.EncodeToString(sum[:]) != preq.MD5 {
		http.Error(w, "md5 does not match contents", http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Contents)
	if err != nil {
		http.Error(w, "contents is not valid base64", http.StatusBadRequest)
		return
	}
	preq.ImageBytes = raw

	results, err := s.srv.Work(preq)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runOCRTSLResponse{Result: toResultEntries(results)})
}

func (s *Server) handleRunTSL(w http.ResponseWriter, r *http.Request) {
	var req runTSLRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	out, err := s.srv.Translate(req.Text, nil, true)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, textResponse{Text: out})
}

func (s *Server) handleRunTSLXUA(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		http.Error(w, "text query parameter is required", http.StatusBadRequest)
		return
	}
	out, err := s.srv.Translate(text, nil, true)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, out)
}

func (s *Server) handleGetTrans(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		http.Error(w, "text query parameter is required", http.StatusBadRequest)
		return
	}
	translations, err := s.srv.Translations(text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transResponse{Translations: translations})
}

func (s *Server) handleSetManualTranslation(w http.ResponseWriter, r *http.Request) {
	var req manualTranslationRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" || req.Translation == "" {
		http.Error(w, "text and translation are required", http.StatusBadRequest)
		return
	}
	if err := s.srv.SetManualTranslation(req.Text, req.Translation); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleGetActiveOptions(w http.ResponseWriter, r *http.Request) {
	st, err := s.srv.Store()
	if err != nil {
		s.fail(w, err)
		return
	}
	reg, err := s.srv.Registry()
	if err != nil {
		s.fail(w, err)
		return
	}

	var langOpts types.Options
	if src, _, err := reg.Languages(); err == nil {
		langOpts = src.DefaultOptions
	}
	resolve := func(kind store.ModelKind, name string) (map[string]any, error) {
		if name == "" {
			return nil, nil
		}
		m, err := st.GetModel(kind, name)
		if err != nil {
			return nil, err
		}
		merged := m.DefaultOptions.Merge(langOpts)
		out := map[string]any{"model": name}
		for k, v := range merged {
			out[k] = v
		}
		return out, nil
	}

	boxSel, ocrSel, tslSel := reg.LoadedModels()
	resp := activeOptionsResponse{}
	if resp.Box, err = resolve(store.KindBox, boxSel); err != nil {
		s.fail(w, err)
		return
	}
	if resp.OCR, err = resolve(store.KindOCR, ocrSel); err != nil {
		s.fail(w, err)
		return
	}
	if resp.TSL, err = resolve(store.KindTSL, tslSel); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPluginData(w http.ResponseWriter, r *http.Request) {
	reg, err := s.srv.Registry()
	if err != nil {
		s.fail(w, err)
		return
	}
	infos, err := reg.Plugins()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pluginDataResponse{Plugins: infos})
}

func (s *Server) handleManagePlugins(w http.ResponseWriter, r *http.Request) {
	var req managePluginsRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Plugins) == 0 {
		http.Error(w, "plugins map is required", http.StatusBadRequest)
		return
	}
	reg, err := s.srv.Registry()
	if err != nil {
		s.fail(w, err)
		return
	}

	names := make([]string, 0, len(req.Plugins))
	for name := range req.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := reg.SetPlugin(name, req.Plugins[name]); err != nil {
			if errors.Is(err, registry.ErrBusy) {
				http.Error(w, err.Error(), http.StatusRequestTimeout)
				return
			}
			s.log.Error("plugin management failed", "plugin", name, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
