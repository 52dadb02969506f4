package service

import (
	"bytes"
	"context"
	"html/template"
	"lms_backend/internal/util"
	"path"
)

const certificateDocumentDir = "certificates"

var certificateTemplate = template.Must(template.New("certificate").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Certificate of Completion - {{.Course.Title}}</title>
</head>
<body>
<main class="certificate">
  <h1>Certificate of Completion</h1>
  <p class="learner">{{.Learner.Name}}</p>
  <p>has successfully completed</p>
  <h2 class="course">{{.Course.Title}}</h2>
  <p class="meta">{{.Course.Level}}{{if .Course.Category}} · {{.Course.Category}}{{end}}{{if .Course.InstructorName}} · Instructor: {{.Course.InstructorName}}{{end}}</p>
  {{with .CompletedAt}}<p class="completed">Completed on {{.Format "2006-01-02"}}</p>{{end}}
  <p class="issued">Issued on {{.IssuedAt.Format "2006-01-02"}}</p>
  <p class="serial">Serial: <code>{{.SerialHash}}</code></p>
</main>
</body>
</html>
`))

// CertificateDocumentService 渲染证书 HTML 并上传到存储，对象键由序列号决定
type CertificateDocumentService struct {
	Storage *StorageService
}

func NewCertificateDocumentService(storage *StorageService) *CertificateDocumentService {
	return &CertificateDocumentService{Storage: storage}
}

func DocumentKey(serialHash string) string {
	return path.Join(certificateDocumentDir, serialHash+".html")
}

// Render 渲染证书文档
func Render(detail *CertificateDetail) ([]byte, error) {
	if detail == nil || detail.SerialHash == "" {
		return nil, util.ErrCertificateNotFound
	}
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, detail); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *CertificateDocumentService) Publish(ctx context.Context, detail *CertificateDetail) (string, error) {
	doc, err := Render(detail)
	if err != nil {
		return "", err
	}
	return s.Storage.Upload(ctx, DocumentKey(detail.SerialHash), bytes.NewReader(doc), int64(len(doc)), "text/html; charset=utf-8")
}

func (s *CertificateDocumentService) URL(serialHash string) string {
	return s.Storage.GetURL(DocumentKey(serialHash))
}
