package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"taskhub/command"
	"taskhub/files"
	"taskhub/model"
	"taskhub/store"

	"github.com/sirupsen/logrus"
)

const (
	// multipartSlack covers part headers and boundaries on top of the file limit.
	multipartSlack = 1 << 20
	maxFieldBytes  = 4096
)

type uploadFields struct {
	taskID      string
	description string
	size        int64
}

// upload streams a multipart body straight into the file service. Fields sent
// after the file part are applied once the content is stored.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Files.Limit()+multipartSlack)
	uploadID := r.Header.Get("X-Upload-Id")
	if uploadID == "" {
		uploadID = r.URL.Query().Get("uploadId")
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeResponse(w, command.Failure(command.CodeBadRequest, "expected multipart/form-data body"))
		return
	}

	var fields uploadFields
	if v := r.Header.Get("X-File-Size"); v != "" {
		fields.size, _ = strconv.ParseInt(v, 10, 64)
	}
	total := fields.size
	if total <= 0 && r.ContentLength > 0 {
		total = r.ContentLength
	}
	if uploadID != "" {
		s.Tracker.Start(uploadID, total)
	}
	finish := func(fileID string, err error) {
		if uploadID != "" {
			s.Tracker.Finish(uploadID, fileID, err)
		}
	}

	var (
		meta    model.UploadedFile
		gotFile bool
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if gotFile {
				s.discard(r, meta.ID)
			}
			finish("", err)
			s.writeError(w, r, badMultipart(err))
			return
		}

		name := part.FormName()
		if name == "file" && !gotFile {
			meta, err = s.Files.Upload(r.Context(), files.UploadRequest{
				Name:         part.FileName(),
				ContentType:  part.Header.Get("Content-Type"),
				DeclaredSize: fields.size,
				TaskID:       fields.taskID,
				Description:  fields.description,
				Body:         part,
				Progress: func(received, t int64) {
					if uploadID != "" {
						s.Tracker.Update(uploadID, received, t)
					}
				},
			})
			part.Close()
			if err != nil {
				finish("", err)
				s.writeError(w, r, err)
				return
			}
			gotFile = true
			continue
		}

		value, err := readField(part)
		part.Close()
		if err != nil {
			if gotFile {
				s.discard(r, meta.ID)
			}
			finish("", err)
			s.writeError(w, r, err)
			return
		}
		switch name {
		case "taskId":
			fields.taskID = value
		case "description":
			fields.description = value
		case "size":
			fields.size, _ = strconv.ParseInt(value, 10, 64)
		}
	}

	if !gotFile {
		finish("", errors.New("missing file"))
		writeResponse(w, command.Failure(command.CodeBadRequest, "missing 'file' field"))
		return
	}

	if fields.taskID != meta.TaskID || fields.description != meta.Description {
		annotated, err := s.Files.Annotate(r.Context(), meta.ID, fields.taskID, fields.description)
		if err != nil {
			s.discard(r, meta.ID)
			finish("", err)
			s.writeError(w, r, err)
			return
		}
		meta = annotated
	}

	if meta.TaskID != "" && s.Attacher != nil {
		if _, err := s.Attacher.AttachFile(r.Context(), meta.TaskID, meta.ID); err != nil {
			s.discard(r, meta.ID)
			finish("", err)
			s.writeError(w, r, err)
			return
		}
	}

	finish(meta.ID, nil)
	s.log.WithFields(logrus.Fields{"file": meta.ID, "task": meta.TaskID}).Debug("upload complete")
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) discard(r *http.Request, id string) {
	if id == "" {
		return
	}
	if _, err := s.Files.Delete(r.Context(), id); err != nil {
		s.log.WithError(err).WithField("file", id).Warn("discard upload")
	}
}

func readField(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxFieldBytes+1))
	if err != nil {
		return "", badMultipart(err)
	}
	if len(b) > maxFieldBytes {
		return "", badMultipart(errors.New("form field too long"))
	}
	return strings.TrimSpace(string(b)), nil
}

// badMultipart keeps size errors intact and reports everything else as a
// malformed request.
func badMultipart(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) || errors.Is(err, files.ErrTooLarge) {
		return err
	}
	return fmt.Errorf("%w: malformed multipart body: %v", command.ErrBadRequest, err)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	rc, meta, err := s.Files.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Name}))
	w.Header().Set("X-File-Id", meta.ID)
	http.ServeContent(w, r, meta.Name, meta.CreatedAt, rc)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Files.List(r.Context()))
}

func (s *Server) statFile(w http.ResponseWriter, r *http.Request) {
	meta, err := s.Files.Stat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	meta, err := s.Files.Delete(r.Context(), r.PathValue("id"))
	if err != nil && !(meta.ID != "" && errors.Is(err, files.ErrIO)) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// the id is gone already; leftover bytes are only logged
		s.log.WithError(err).WithField("file", meta.ID).Warn("file removal incomplete")
	}
	if meta.TaskID != "" && s.Attacher != nil {
		if _, err := s.Attacher.DetachFile(r.Context(), meta.TaskID, meta.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).WithField("file", meta.ID).Warn("detach file")
		}
	}
	writeResponse(w, command.Success(map[string]string{
		"fileId":  meta.ID,
		"message": "File deleted successfully",
	}))
}

func (s *Server) uploadProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.Tracker.Get(r.PathValue("uploadId"))
	if !ok {
		writeResponse(w, command.Failure(command.CodeNotFound, "upload not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}
