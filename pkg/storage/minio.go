// Package storage 提供了与对象存储服务（MinIO）交互的功能，用于数据导出。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/pkg/log"
)

// Exporter 把导出包上传到 MinIO 并生成预签名下载链接。
type Exporter struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewExporter 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewExporter(ctx context.Context, cfg config.MinIOConfig) (*Exporter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Info("MinIO 客户端初始化成功")
	return &Exporter{client: client, bucket: cfg.BucketName, expiry: 24 * time.Hour}, nil
}

// UploadJSON 将 v 序列化为 JSON 对象上传，返回有效期 24 小时的下载链接。
func (e *Exporter) UploadJSON(ctx context.Context, objectName string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export: %w", err)
	}
	_, err = e.client.PutObject(ctx, e.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}

	presignedURL, err := e.client.PresignedGetObject(ctx, e.bucket, objectName, e.expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
