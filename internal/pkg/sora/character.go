package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

// 角色（cameo）链路：上传参考视频 -> 轮询处理 -> 翻拍头像 -> finalize。
// 两个上传端点的表单字段集合不同，不能共用一个构造器。

// UploadCharacterVideo 上传角色参考视频，返回 cameo ID。
// timestamps 固定取 0s 与 3s 两帧作为识别样本。
func (c *Client) UploadCharacterVideo(ctx context.Context, opts RequestOptions, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("video data empty")
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writeMultipartFile(writer, "file", "video.mp4", "video/mp4", data); err != nil {
		return "", err
	}
	if err := writer.WriteField("timestamps", "0,3"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/characters/upload", opts, &buf, writer.FormDataContentType(), nil)
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "id"), nil
}

// GetCameoStatus 查询 cameo 处理进度。
func (c *Client) GetCameoStatus(ctx context.Context, opts RequestOptions, cameoID string) (map[string]any, error) {
	if cameoID == "" {
		return nil, errors.New("cameo id empty")
	}
	return c.doRequest(ctx, http.MethodGet, "/project_y/cameos/in_progress/"+cameoID, opts, nil, "", nil)
}

// DownloadCharacterImage 拉取上游生成的头像原图，供翻拍上传。
func (c *Client) DownloadCharacterImage(ctx context.Context, opts RequestOptions, imageURL string) ([]byte, error) {
	if c.upstream == nil {
		return nil, errors.New("upstream is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", RandomDesktopUA())
	resp, err := c.upstream.Do(req, TransportOptions{ProxyURL: opts.ProxyURL, Timeout: c.timeout})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download image failed: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadCharacterImage 把头像回传为 profile 资产，返回 asset pointer。
func (c *Client) UploadCharacterImage(ctx context.Context, opts RequestOptions, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("image data empty")
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writeMultipartFile(writer, "file", "profile.webp", "image/webp", data); err != nil {
		return "", err
	}
	if err := writer.WriteField("use_case", "profile"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/project_y/file/upload", opts, &buf, writer.FormDataContentType(), nil)
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "asset_pointer"), nil
}

// FinalizeCharacter 提交用户名与头像完成创建，返回 character ID。
// username 必须全局唯一，冲突时由调用方换名重试。
func (c *Client) FinalizeCharacter(ctx context.Context, opts RequestOptions, cameoID, username, displayName, assetPointer string) (string, error) {
	payload := map[string]any{
		"cameo_id":               cameoID,
		"username":               username,
		"display_name":           displayName,
		"profile_asset_pointer":  assetPointer,
		"instruction_set":        nil,
		"safety_instruction_set": nil,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/characters/finalize", opts, bytes.NewReader(body), "application/json", nil)
	if err != nil {
		return "", err
	}
	if character, ok := resp["character"].(map[string]any); ok {
		if id, ok := character["character_id"].(string); ok {
			return id, nil
		}
	}
	return "", nil
}

// SetCharacterPublic 把角色可见性设为 public，公开后才能在生成里引用。
func (c *Client) SetCharacterPublic(ctx context.Context, opts RequestOptions, cameoID string) error {
	payload := map[string]any{"visibility": "public"}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, "/project_y/cameos/by_id/"+cameoID+"/update_v2", opts, bytes.NewReader(body), "application/json", nil)
	return err
}

// DeleteCharacter 删除角色。生成完成后的清理调用，空 ID 直接跳过。
func (c *Client) DeleteCharacter(ctx context.Context, opts RequestOptions, characterID string) error {
	if characterID == "" {
		return nil
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/project_y/characters/"+characterID, opts, nil, "", nil)
	return err
}

// writeMultipartFile 带显式 Content-Type 写入文件分片，上游校验分片类型。
func writeMultipartFile(writer *multipart.Writer, field, filename, contentType string, data []byte) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}
